// Package stream provides the push-to-pull channel that feeds user input
// into a running agent turn.
//
// A Channel has three states:
//
//   - open-idle: nobody is waiting; pushed items are queued
//   - open-waiting: one consumer is blocked on an empty queue; the next push
//     is handed to it directly
//   - closed: pushes fail with ErrClosed; queued items still drain, then
//     Next returns io.EOF
//
// Only one consumer may read at a time. Items are observed exactly once, in
// push order.
package stream
