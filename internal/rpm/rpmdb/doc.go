// Package rpmdb contains some internal helpers for working with RPM
// databases.
//
// The actual data stored in various databases is independent of the disk
// format, once extracted.

// See the reference material at
// https://rpm-software-management.github.io/rpm/manual/.
package rpmdb
