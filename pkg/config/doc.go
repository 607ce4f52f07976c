// Package config fills configuration structs from environment variables using
// env struct tags, optionally after loading .env files.
//
// Each component owns its config struct next to its code (paypal.Config,
// mongo.Config, subscription.SweeperConfig, ...) and the binary loads them one by one.
package config
