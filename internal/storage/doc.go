// Package storage persists stage artifacts (captures, transcodes, segments,
// keyframes) behind a small Put/Get/Delete interface.
//
// The local backend copies files beneath a directory with an atomic rename.
// The s3 backend targets any S3-compatible service through aws-sdk-go-v2;
// setting an endpoint enables R2 or MinIO with path-style addressing. Network
// and permission failures are tagged services.ErrInfrastructure so the
// dispatcher leaves the task pending instead of failing the order.
package storage
