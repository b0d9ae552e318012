// Package config loads the YAML configuration of the recovery stack. Every
// timing constant and threshold has a built-in default; a file only needs
// the keys it changes. Durations are Go duration strings such as "120s".
package config
