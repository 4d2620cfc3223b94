// Package github is the GitHub OAuth App preset of the generic provider.
//
// The user is identified through the REST API: /user for the profile,
// /user/emails for a verified primary email and, when AllowedOrganizations
// is set, /user/orgs for membership checks. Organization logins are
// returned as the user's groups.
//
//	p, err := github.New(github.Config{
//	    Config:               providers.Config{ClientID: id, ClientSecret: secret},
//	    AllowedOrganizations: []string{"giantswarm"},
//	})
//
// OAuth App tokens do not expire and cannot be refreshed.
package github
