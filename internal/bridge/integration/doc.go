// Package integration holds end-to-end tests that drive the bridge against a
// real headless Chrome launched through chromedp. They are skipped under
// -short and when no Chrome binary is installed.
package integration
