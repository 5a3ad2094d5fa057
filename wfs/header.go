package wfs

import "encoding/binary"

// VersionMagic is the only WfsDeviceHeader.version this core accepts (spec
// §4.8/§6); any other value is ErrInvalidWfsVersion.
const VersionMagic = 0x01010800

// Device type tags, per spec §6's WfsDeviceHeader.device_type.
const (
	DeviceTypeUSB = 0x16a2
	DeviceTypeMLC = 0x136a
)

// deviceHeaderSize is WfsDeviceHeader's on-disk size trimmed to the fields
// this core actually interprets (spec §6 lists 0x48 bytes total, including
// an embedded root_quota_metadata EntryMetadata record this core never
// reads back — the root quota area's own WfsAreaHeader, not this record,
// is what package area already parses). The two trailing "unknown" u32
// fields are kept as opaque round-trip storage.
const deviceHeaderSize = 4 * 7 // iv, version, device_type, txn block#, txn count, 2 unknown

// DeviceHeader mirrors the fields of WfsDeviceHeader (spec §6) this core
// interprets. It is stored at the root quota area's BlockInitialFTrees
// metadata block (area-block 2) rather than literally colocated with the
// WfsAreaHeader in device block 0: package area's Open/Create already
// parse a fixed Header at byte offset MetadataBlockHeaderSize in block 0,
// with no allowance for a WfsDeviceHeader prefix, and extending that
// shared, already-reviewed layout was judged riskier than using one of the
// area's own reserved-but-otherwise-unused blocks (see DESIGN.md).
type DeviceHeader struct {
	IV                          uint32
	Version                     uint32
	DeviceType                  uint32
	TransactionsAreaBlockNumber uint32
	TransactionsAreaBlocksCount uint32
	Unknown0                    uint32
	Unknown1                    uint32
}

// Marshal serializes h into buf, which must be at least deviceHeaderSize
// bytes.
func (h DeviceHeader) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.IV)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.DeviceType)
	binary.BigEndian.PutUint32(buf[12:16], h.TransactionsAreaBlockNumber)
	binary.BigEndian.PutUint32(buf[16:20], h.TransactionsAreaBlocksCount)
	binary.BigEndian.PutUint32(buf[20:24], h.Unknown0)
	binary.BigEndian.PutUint32(buf[24:28], h.Unknown1)
}

// UnmarshalDeviceHeader parses a DeviceHeader out of buf, which must be at
// least deviceHeaderSize bytes.
func UnmarshalDeviceHeader(buf []byte) DeviceHeader {
	var h DeviceHeader
	h.IV = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint32(buf[4:8])
	h.DeviceType = binary.BigEndian.Uint32(buf[8:12])
	h.TransactionsAreaBlockNumber = binary.BigEndian.Uint32(buf[12:16])
	h.TransactionsAreaBlocksCount = binary.BigEndian.Uint32(buf[16:20])
	h.Unknown0 = binary.BigEndian.Uint32(buf[20:24])
	h.Unknown1 = binary.BigEndian.Uint32(buf[24:28])
	return h
}
