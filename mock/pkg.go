// Package mock runs an OCI distribution server that only allows pulling. It serves
// a small set of base images that are built in memory when the server starts: an
// OCI image index with linux/amd64 and linux/arm64 images, a Docker manifest list,
// a multi-layer image with whiteouts, and a bare image manifest with no index. The
// server can require the anonymous bearer token flow that public registries use.

package mock
