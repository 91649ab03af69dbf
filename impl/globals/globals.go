package globals

// BlobsDir is the subdirectory under an image layout (or the download cache)
// where blobs are stored
const BlobsDir = "blobs"

// DefaultBaseImage is the base image used when none is configured
const DefaultBaseImage = "gcr.io/distroless/base:latest"

// DefaultOutDir is the output directory used when none is configured
const DefaultOutDir = "oci-image"

// DefaultTag is the ref name annotation put on the manifest in index.json
const DefaultTag = "latest"

// DefaultMainClass is appended to the module name to form the main class
const DefaultMainClass = "HelloWorld"

// RuntimePrefix is where the runtime directory is mounted in the image
const RuntimePrefix = "opt/jre"

// AppPrefix is where the application directory is mounted in the image
const AppPrefix = "opt/app"
