package offlinecache

// DefaultVersion names the cache generation of the bundled application.
const DefaultVersion = "cronograma-marinha-v1.0.0"

// DefaultFallback is the document served when the network fails.
const DefaultFallback = "/"

// DefaultManifest lists the resources seeded on install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/app.js",
	"/manifest.json",
	"/icon-192.png",
	"/icon-512.png",
	"https://cdn.tailwindcss.com",
	"https://unpkg.com/react@18/umd/react.production.min.js",
	"https://unpkg.com/react-dom@18/umd/react-dom.production.min.js",
	"https://unpkg.com/@babel/standalone/babel.min.js",
}
