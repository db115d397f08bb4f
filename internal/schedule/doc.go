// Package schedule loads and analyzes ordering schedules.
//
// A schedule is a list of precedence rules. Each rule names one invocation
// and the invocations it releases:
//
//	name: words
//	rules:
//	  - after: [A0, 0, 0]
//	    release: [[B0, 1, 0]]
//	  - after: [B0, 1, 1]
//	    release: [[A1, 0, 0], [C0, 2, 0]]
//
// When a coordinator enforces a schedule, a Do on an invocation that appears
// in any release list is withheld until every invocation whose rule lists it
// has been recorded. Invocations never released by a rule proceed at once.
//
// A cycle among rules means every Do on the cycle waits on another one, so
// Analyze reports cycles and Load refuses schedules that contain one.
package schedule
