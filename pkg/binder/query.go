package binder

import "net/http"

// Query binds URL query parameters using the `query` struct tag.
// Requests without a query string are not applicable.
func Query() func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if r.URL.RawQuery == "" {
			return ErrBinderNotApplicable
		}
		q := r.URL.Query()
		_, err := bindTagged(v, "query", func(name string) []string { return q[name] }, ErrFailedToParseQuery)
		return err
	}
}
