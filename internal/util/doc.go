// Package util holds small helpers shared by the server, registry and
// storage packages: log-safe truncation and redirect URI checks.
package util
