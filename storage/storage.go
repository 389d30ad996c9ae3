// Package storage provides ready-made NVM backends for the bootloader
// controller and the configuration store: an in-memory region for tests and
// simulations, and a file-backed region for hosted deployments and tooling.
//
// Both types satisfy bootloader.StorageBackend and config.Backend.
// Erased cells read back as 0xFF, like NOR flash.
package storage

// ErasedByte is the value an erased cell reads back as.
const ErasedByte = 0xFF
