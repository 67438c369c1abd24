/*
Package closer keeps deferred Close errors from being lost.

Fixtures open short-lived resources (sockets, pipes, pid files) whose Close
errors matter to the test outcome; closing them with a bare defer would
swallow those.
*/
package closer

import "io"

// ErrorHandler closes c, storing its error in *in unless an earlier error
// is already there. Use with defer and a named error return.
func ErrorHandler(c io.Closer, in *error) {
	cerr := c.Close()
	if *in == nil {
		*in = cerr
	}
}
