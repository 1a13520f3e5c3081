// Package ctrlkit provides the building blocks for cooperating
// controllers: an immutable state container with schema-driven
// persistence and anonymization projections and patch-based change
// notification, and a permissioned action/event messenger that
// mediates all cross-controller communication.
//
// A controller owns a Container holding its entire state; mutations go
// through Update, which computes the patches and synchronously
// notifies subscribers. Controllers talk to each other only through a
// RestrictedMessenger, a view of the shared bus limited to the action
// and event names the controller was granted at construction.
package ctrlkit
