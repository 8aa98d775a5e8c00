// Package util holds small helpers shared by the server and client
// directory: host classification for redirect and issuer URLs, and bounding
// of untrusted strings before they reach logs or metric labels.
package util
