package internal

// Version is stamped at build time with -ldflags "-X hookgate/internal.Version=...".
var Version = "0.1.0"
