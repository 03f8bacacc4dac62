package iface

import "github.com/pkg/errors"

// ErrBlockOutOfOrder is returned when a block insert does not extend the
// chain tip. Concurrent leaders racing on the same index observe it on the
// losing side.
var ErrBlockOutOfOrder = errors.New("block index does not extend the chain")
