// Package sift provides a local HTTP(S) forwarding proxy with selective
// traffic filtering.
//
// Plain requests are forwarded store-and-forward and CONNECT traffic is
// tunneled without interception. An exclusion list and a mode decide,
// per request, whether traffic is relayed or refused.
//
// Basic usage:
//
//	// Create and configure the proxy
//	proxy := sift.NewProxy("127.0.0.1:8080")
//
//	// Block a couple of hosts
//	filter := proxy.Filter()
//	filter.SetMode(sift.FilterAllow)
//	filter.SetActiveList([]string{"ads.example.com", "tracker.net"})
//	filter.SetEnabled(true)
//
//	// Start the engine; Run returns immediately
//	proxy.Run()
//
//	// ... and stop it when done
//	proxy.Stop()
package sift
