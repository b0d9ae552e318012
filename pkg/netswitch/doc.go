/*
Package netswitch reacts to physical network changes underneath the tunnel.

Raw updates from the platform are debounced before they are applied:

  - within 1s of MarkStarted an update is deferred until the window has
    passed, plus 100ms
  - within 500ms of the last applied switch it is held for 300ms, and a
    newer update replaces it
  - otherwise it is applied immediately

Applying an update ignores networks without internet access or that are
themselves VPNs. When the network changes the tunnel is rebound to it and
ResetCoreNetwork is requested after a 200ms settle delay, forced when the
transport type changed (wifi to cellular, for example). A type change on
a running session also requests ResetConnections without debounce.

Each new network is then checked in the background: the platform's
validated flag is polled for up to 2s and, failing that, well-known DNS
endpoints are probed over TCP or DNS. The result is only recorded.
*/
package netswitch
