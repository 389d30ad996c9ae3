// Package uavcan implements a single-node UAVCAN v0 firmware-update client:
// a field-bus node that detects the bus bit rate, acquires a node ID through
// dynamic allocation, advertises its status, and streams a remote file into
// the bootloader controller over the FileRead service.
//
// The node is deliberately small: it speaks exactly the six data types a
// firmware update needs (NodeStatus, dynamic-node-ID Allocation,
// GetNodeInfo, BeginFirmwareUpdate, FileRead, RestartNode) over its own
// compact transport with single- and multi-frame transfer support.
//
// # Usage
//
//	node := uavcan.NewNode(ctrl, iface, uid,
//	    uavcan.WithNodeName("com.example.widget"),
//	)
//	go node.Run()
//
// Run blocks until a reboot is requested, either remotely through
// RestartNode or locally through RequestReboot. Node implements
// bootloader.Downloader; the controller pulls the image through it when a
// BeginFirmwareUpdate request arrives.
//
// # Hardware Independence
//
// The CAN controller is abstracted by the Iface interface. The driver must
// support silent mode (bit-rate detection listens without acknowledging)
// and automatic transmit abort on error (required while the node is
// anonymous during allocation).
package uavcan
