// Package workflow holds the letter approval rules: the step routing table,
// the access policy and the state machine that computes every transition.
//
// Nothing here performs I/O. Callers load a fresh letter snapshot inside their
// unit of work, ask the Machine for a Transition and persist the resulting
// letter row together with the audit entries it carries.
package workflow
