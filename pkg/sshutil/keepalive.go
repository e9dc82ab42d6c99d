package sshutil

import (
	"time"
)

// StartKeepAlive sends keepalive requests on the connection at the given
// interval until the connection dies or stop is closed. A failed keepalive
// closes the client so in-flight sessions see the error promptly; onFail, if
// set, is invoked once after the close.
func StartKeepAlive(client *Client, interval time.Duration, stop <-chan struct{}, onFail func(err error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			// "keepalive@openssh.com" with wantReply=true: if the peer is
			// gone or the network dropped, SendRequest returns an error.
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				client.Close()
				if onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}()
}
