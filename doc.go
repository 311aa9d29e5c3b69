// Package blobclient provides clients for the blob API of a CrateDB-style
// blob store.
//
// Blobs live in blob tables and are addressed by the SHA-1 of their content:
//   - Client: PUT, GET, HEAD and DELETE of blobs over pooled HTTP/1.1
//     connections
//   - AdminClient: creates and drops blob tables through the SQL endpoint
//
// Usage:
//
//	c, err := blobclient.NewClient(blobclient.ClientConfig{
//		BaseURL: "http://localhost:4200",
//		Table:   "myblob",
//		Logger:  blobclient.DefaultLogger,
//	})
//	d := blobclient.DigestOf(content)
//	err = c.Put(ctx, d, content)
//	status, body, err := c.Get(ctx, d)
package blobclient
