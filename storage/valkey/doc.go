// Package valkey provides a Valkey implementation of storage.StateStore.
//
// Valkey is wire-compatible with Redis. Flow states are written with
// SET ... EX so the server expires abandoned flows on its own, and consumed
// with GETDEL so a state can be redeemed exactly once even when several
// replicas race on the same callback.
//
// # Key Schema
//
//	{prefix}state:{state} -> JSON(FlowState)
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "auth:",
//	})
//
// With TLS and encryption at rest of the stored payload:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	store.SetEncryptor(enc)
package valkey
