/*
Package client is a thin HTTP client for the control plane API, used by
the operator subcommands of the inau binary.

It covers the /v2/cs surface: triggering installations (Basic auth) and
the read-only build, installation, and host file reports. Responses
decode into the same types the server encodes, and non-2xx responses
come back as *APIError carrying the server's error message.

	c := client.NewWithBasicAuth("http://inau.elettra.eu:8013", user, pass)
	records, err := c.Install(ctx, client.InstallRequest{
		Repository: "cs/ds/fake-server",
		Tag:        "2.1.0",
		Facility:   "fermi",
	})
*/
package client
