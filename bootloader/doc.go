// Package bootloader implements the firmware bootloader controller: a state
// machine that validates the resident application image, arbitrates launch
// versus upgrade, and drives upgrade sessions through a pluggable storage
// backend.
//
// # Basic Usage
//
//	ctrl := bootloader.New(backend,
//	    bootloader.WithMaxImageSize(256*1024),
//	    bootloader.WithBootDelay(5*time.Second),
//	)
//
//	switch ctrl.State() {
//	case bootloader.ReadyToBoot:
//	    launchApplication()
//	case bootloader.NoAppToBoot:
//	    // wait for an upgrade request
//	}
//
// # Upgrades
//
// An upgrade is driven by any Downloader implementation; the concrete ones
// in this module are the UAVCAN firmware-update node (package uavcan) and
// the YMODEM serial receiver (package ymodem):
//
//	err := ctrl.Upgrade(downloader)
//
// Upgrade succeeding does not guarantee a launchable image: the controller
// re-scans the storage afterwards, and the result of that scan is published
// through State and AppInfo. Callers that need proof of a bootable image
// must inspect State after Upgrade returns.
//
// # States
//
//	(init) ──scan──► authentic ? BootDelay : NoAppToBoot
//	BootDelay ──elapsed──► ReadyToBoot
//	BootDelay, ReadyToBoot ──CancelBoot──► BootCancelled
//	BootDelay, BootCancelled ──RequestBoot──► ReadyToBoot
//	BootDelay, BootCancelled, NoAppToBoot ──Upgrade──► AppUpgradeInProgress
//	AppUpgradeInProgress ──finish──► scan → BootDelay | NoAppToBoot
//
// # Hardware Independence
//
// The package does not talk to flash directly. Users supply a
// StorageBackend for their device; package storage provides in-memory and
// file-backed implementations for tests and hosted use.
package bootloader
