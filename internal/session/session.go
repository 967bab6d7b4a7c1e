// Package session mirrors connection and presence state into Redis so that
// every server instance sees the cluster-wide online set. Each connection has
// a hash record; each user has a set of connection ids; one global set holds
// the ids of users with at least one connection anywhere.
package session
