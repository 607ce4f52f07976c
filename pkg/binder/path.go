package binder

import "net/http"

// PathExtractor returns the named path parameter, e.g. chi.URLParam.
type PathExtractor func(r *http.Request, name string) string

// Path binds router path parameters using the `path` struct tag.
// A request where no tagged parameter has a value is not applicable.
func Path(extract PathExtractor) func(r *http.Request, v any) error {
	if extract == nil {
		panic("binder: path extractor is required")
	}
	return func(r *http.Request, v any) error {
		n, err := bindTagged(v, "path", func(name string) []string {
			if s := extract(r, name); s != "" {
				return []string{s}
			}
			return nil
		}, ErrFailedToParsePath)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrBinderNotApplicable
		}
		return nil
	}
}
