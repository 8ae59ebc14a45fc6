// Package datastorex presents a single object-store API over several
// independently configured backing stores.
//
// The root package holds the provider capability contract, the error
// taxonomy, configuration and the ambient logging and instrumentation
// plumbing. Routing lives in the orchestrator package and concrete
// backends live under adapters/:
//
//	import (
//	    "github.com/gostratum/datastorex"
//	    "github.com/gostratum/datastorex/adapters/localfs"
//	    "github.com/gostratum/datastorex/adapters/s3"
//	    "github.com/gostratum/datastorex/orchestrator"
//	)
//
// Object paths are opaque strings. Each provider decides whether it owns a
// path through CanAccessObject, and the orchestrator routes every call to
// the first provider that accepts it.
package datastorex
