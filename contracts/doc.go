// Package contracts provides the wire-level types shared by every service that
// talks through the event bus.
//
// This package defines:
//   - Topic: the closed set of domain event categories, one fanout exchange each
//   - Envelope: the JSON wrapper placed around every published message
//
// Topics are compiled into each service; there is no dynamic topic creation.
package contracts
