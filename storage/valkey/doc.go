// Package valkey provides a Valkey (or Redis) backed storage.ConsumedCodeStore.
//
// Each consumed code is a key "<prefix>consumed:<sha256>" written with
// SET NX PX, so concurrent exchanges of the same code on different instances
// have exactly one winner and entries expire with the code.
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
