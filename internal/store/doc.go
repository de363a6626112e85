// Package store persists job definitions and update markers.
//
// The store is deliberately dumb: it offers synchronous CRUD over the jobs
// table plus the update-marker operations. The scheduler never assumes
// anything stronger than "reads eventually see prior writes"; the reload
// controller's snapshot-then-swap design tolerates that.
package store
