// Package upstream pulls base images from upstream registries over the
// distribution v2 pull protocol. It resolves a tag to the manifest for one
// platform, fetches that manifest, and streams its layers, decompressed and
// digest-verified. Public registries are accessed anonymously: when a registry
// challenges with a Bearer realm, a pull-scoped token is requested from the
// realm without credentials and the request is repeated once.
package upstream
