package jentrata

// Version is the gateway release, reported by "jentrata version".
const Version = "0.3.0"
