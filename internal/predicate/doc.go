// Package predicate evaluates audience rule trees against a context snapshot.
//
// A tree node is either a rule (field, operator, value) or a group
// (combinator over child nodes). Evaluation is pure: the same tree and the
// same context always produce the same Result. Malformed rules, unknown
// operators and bad regular expressions evaluate to false rather than
// failing the whole tree.
//
// Groups short-circuit. Only rules that were actually evaluated are recorded
// in Result.Passed or Result.Failed, so the two sets are diagnostics of the
// evaluation path and not of the whole tree.
package predicate
