// Package pricing holds the price computation. It knows nothing about
// tracing, pools or HTTP; callers decide where a quote runs.
package pricing
