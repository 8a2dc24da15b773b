// Package dedupe provides a TTL and size bounded cache of recently seen keys.
// The live frame dispatcher uses it to drop frames the server re-delivers
// after a reconnect before they reach any subscriber.
package dedupe
