// Package tunnel implements the three-hop relay that lets page code
// use what looks like a normal socket despite sandbox policy.
//
// Three contexts participate, each single-threaded and event-driven,
// sharing no memory: the page-world VirtualSocket, the per-tab Bridge
// in the restricted script context, and the privileged Relay that owns
// upstream connections to the external relay endpoint. All interaction
// is asynchronous envelope passing over broadcast buses, correlated by
// request id and tagged with a source discriminator so listeners can
// ignore foreign traffic.
//
// Ordering is FIFO within one tab's channel; there is no cross-tab
// guarantee. Every cross-context call carries a caller-side timeout,
// so a torn-down peer resolves as failure instead of a hang.
package tunnel
