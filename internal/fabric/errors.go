package fabric

import "errors"

var (
	errHubClosed       = errors.New("fabric: hub is closed")
	errUnauthenticated = errors.New("fabric: register envelope missing device id")
)
