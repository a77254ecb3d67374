// ABOUTME: AirPlay control protocol package
// ABOUTME: Framing, request builders, capability table, channels and the request ledger
// Package protocol implements the client side of the AirPlay control
// protocol.
//
// Messages are HTTP/1.1-style frames with a Content-Length body, usually a
// binary property list. A Channel carries them over TCP and a Ledger
// matches responses to requests in send order.
//
// Example:
//
//	events := make(chan protocol.ChannelEvent, 16)
//	ch, err := protocol.Open(ctx, "command", "10.0.0.5:7000", protocol.ChannelConfig{}, events)
//	ledger := protocol.NewLedger()
//	req := protocol.NewRequestFactory(uuid.NewString(), "10.0.0.5:7000", "")
//	_, err = ledger.Issue(ch, protocol.TagInfo, req.ServerInfo(), 5*time.Second, done)
package protocol
