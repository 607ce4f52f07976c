// Package binder fills request structs from JSON bodies, query strings and path parameters.
//
// Each binder reads its own struct tag (`json`, `query`, `path`) and reports
// ErrBinderNotApplicable when the request carries nothing for it, so several binders
// can be chained on one handler:
//
//	type UnsubscribeRequest struct {
//		SubscriptionID string `json:"subscriptionId" path:"id"`
//		Immediate      bool   `json:"immediate" query:"immediate"`
//	}
//
//	handler.WithBinders[handler.Context, UnsubscribeRequest](
//		binder.Path(chi.URLParam),
//		binder.Query(),
//		binder.JSON(),
//	)
package binder
