// Package transports imports the built-in transports for registration with
// the default registry.
package transports

import (
	_ "github.com/drblury/taskbus/transport/channel"
	_ "github.com/drblury/taskbus/transport/kafka"
)
