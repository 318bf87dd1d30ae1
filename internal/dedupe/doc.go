// Package dedupe drops repeated deliveries of the same event within a time
// window.
package dedupe
