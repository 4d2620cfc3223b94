// Dex usage:
//
//	p, err := dex.New(ctx, dex.Config{
//	    Config:      providers.Config{ClientID: id, ClientSecret: secret},
//	    IssuerURL:   "https://dex.example.com",
//	    ConnectorID: "github",
//	})
//
// Dex rotates refresh tokens strictly: every refresh returns a new refresh
// token and the previous one stops working, which token.RefreshAccessToken
// handles by always returning the latest token.
package dex
