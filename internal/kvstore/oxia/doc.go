// Package oxia implements the kvstore.Store interface using Oxia.
//
// Oxia is a distributed, sharded key-value store with per-key versions and
// conditional writes. This package wraps the Oxia Go SDK so that several
// node store processes can share node documents, the commit journal and
// checkpoints.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "default",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Key layout:
//
// Oxia sorts keys hierarchically, grouping them by the number of '/'
// segments. Node document keys are therefore encoded as a single segment
// below /oak/v1/nodes (see package keys) so that prefix and range scans
// return them in plain lexicographic order.
package oxia
