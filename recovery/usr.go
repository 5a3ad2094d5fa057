package recovery

// MetadataBlockHeader flag bits (spec §6). blockdevice deliberately does
// not expose these (see directory/directorymap.go's kindOffset comment);
// recovery reads them directly off raw block bytes because it runs before
// any BlockDevice/Area can be constructed at all.
const (
	flagArea               = 0x00400000
	flagRootArea           = 0x00800000
	flagDirectoryLeafTree  = 0x20000000
	flagDirectoryRootTree  = 0x40000000
	flagDirectory          = 0x80000000
	flagIteratorIDMask     = 0x000FFFFF
	directoryTreeRootFlags = (flagDirectory | flagDirectoryRootTree | flagDirectoryLeafTree) >> 20
)

// UsrDirectoryBlockNumber is the fixed area-block where a Wii U MLC/USB
// volume's /usr directory lives (original_source/src/recovery.cpp's
// kUsrDirectoryBlockNumber), independent of whether the volume's
// WfsDeviceHeader at block 0 survived.
const UsrDirectoryBlockNumber = 0x1000

// IsUsrDevice reports whether block0x1000Bytes (the raw, hash-unchecked
// payload of the block at UsrDirectoryBlockNumber, decrypted with
// whatever IV the caller has for the known-good case, or the all-zero IV
// while still probing) looks like a directory tree root/leaf node: spec
// §4.9's second recovery mode starts from exactly this signal before it
// bothers reconstructing a fake WfsDeviceHeader.
func IsUsrDevice(block0x1000Bytes []byte) bool {
	if len(block0x1000Bytes) < 4 {
		return false
	}
	flags := beUint32(block0x1000Bytes)
	return flags>>20 == directoryTreeRootFlags
}

// RecoveredUsrDevice is what GetUsrRecoveredDevice produces: enough
// information for package wfs to synthesize a working WfsDeviceHeader and
// root WfsAreaHeader pointing at the recovered /usr directory, without
// ever having read a real one from the device.
type RecoveredUsrDevice struct {
	WfsIV                uint32
	RootAreaGeometry     RecoveredGeometry
	UsrDirectoryBlockNum uint32
}

// GetUsrRecoveredDevice implements spec §4.9's "Open /usr without WFS
// header": given the /usr directory block decrypted under the all-zero
// IV (usrBlockZeroIV) and its known plaintext prefix (usrBlockKnownPrefix,
// computed the same way RecoverDeviceParams expects — block_flags plus
// the recomputed masked hash of the block's tail), it recovers the root
// area's geometry and IV the same XOR way RecoverDeviceParams does for
// any other metadata block, then reports UsrDirectoryBlockNumber as the
// root directory to present. Grounded on
// original_source/src/recovery.cpp's OpenUsrDirectoryWithoutWfsHeader,
// simplified to this core's single-IV-word geometry (see recovery.go's
// package doc) instead of the original's separate wfs.iv/area.iv pair:
// here WfsIV and the recovered area IV are the same XOR-recovered value,
// since area.Area.ivFor XORs an area's own IV against the device IV
// before use and a synthetic single-area device has nothing else to XOR
// against.
func GetUsrRecoveredDevice(usrBlockZeroIV, usrBlockKnownPrefix []byte, blockByteLen int) (RecoveredUsrDevice, error) {
	if !IsUsrDevice(usrBlockKnownPrefix) {
		return RecoveredUsrDevice{}, ErrNotUsrDevice
	}
	geom, err := RecoverDeviceParams(usrBlockZeroIV, usrBlockKnownPrefix, blockByteLen)
	if err != nil {
		return RecoveredUsrDevice{}, err
	}
	return RecoveredUsrDevice{
		WfsIV:                geom.BlockIV,
		RootAreaGeometry:     geom,
		UsrDirectoryBlockNum: UsrDirectoryBlockNumber,
	}, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
