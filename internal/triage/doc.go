// Package triage is the per-email orchestration engine of mailwarden.
// It defines the domain model (Email, Category, Turn, Scratch), the ports the
// engine drives (inbox, capabilities, dispatcher, escalator, status recorder)
// and the Engine itself: an explicit finite-state machine that walks an
// immutable batch of emails one at a time and ends every email in exactly one
// terminal action (send, escalate or skip).
package triage
