package tp

// Standard (11-bit) OBD/UDS identifiers.
const (
	FunctionalStandard     uint32 = 0x7DF
	StandardRequestBase    uint32 = 0x7E0
	StandardResponseBase   uint32 = 0x7E8
	StandardResponseOffset uint32 = 0x008
)

// Extended (29-bit) normal fixed addressing, 0x18DA<TA><SA>.
const (
	DefaultPriority uint8 = 0x18
	TypePhysical    uint8 = 0xDA
	TypeFunctional  uint8 = 0xDB
	TesterAddress   uint8 = 0xF1

	FunctionalExtended = FlagExtended | 0x18DB33F1
)

// Filter selects inbound frames: a frame matches when
// frame.ID&Mask == ID&Mask. The mask covers flag bits too, so a filter can
// restrict matches to standard or extended identifiers.
type Filter struct {
	ID   uint32
	Mask uint32
}

func (f Filter) Matches(id uint32) bool {
	return id&f.Mask == f.ID&f.Mask
}

// ExactFilter matches only the given identifier, data frames only.
func ExactFilter(id uint32) Filter {
	mask := MaskStandard
	if IsExtended(id) {
		mask = MaskExtended
	}
	return Filter{ID: id &^ FlagRemote, Mask: mask | FlagExtended | FlagRemote}
}

func IsExtended(id uint32) bool {
	return id&FlagExtended != 0
}

// ComposeExtendedAddress packs an address tuple into a 29-bit identifier:
// priority in bits 28..24, type in 23..16, receiver in 15..8, sender in 7..0.
func ComposeExtendedAddress(priority, addrType, sender, receiver uint8) uint32 {
	return FlagExtended |
		uint32(priority&0x1F)<<24 |
		uint32(addrType)<<16 |
		uint32(receiver)<<8 |
		uint32(sender)
}

func ExtendedPriority(id uint32) uint8 { return uint8(id>>24) & 0x1F }
func ExtendedType(id uint32) uint8     { return uint8(id >> 16) }
func ExtendedReceiver(id uint32) uint8 { return uint8(id >> 8) }
func ExtendedSender(id uint32) uint8   { return uint8(id) }

// StandardAddress returns the 11-bit physical request identifier for an ECU.
func StandardAddress(receiver uint8) uint32 {
	return StandardRequestBase | uint32(receiver&0x7)
}

// IsFunctional reports whether id is a broadcast address. Functional
// destinations cannot take part in multi-frame transfers.
func IsFunctional(id uint32) bool {
	if IsExtended(id) {
		return ExtendedType(id) == TypeFunctional
	}
	return id&MaskStandard == FunctionalStandard
}

// ReturnAddress is the identifier a peer answers on when addressed by id.
func ReturnAddress(id uint32) uint32 {
	if IsExtended(id) {
		addrType := ExtendedType(id)
		if addrType == TypeFunctional {
			addrType = TypePhysical
		}
		return ComposeExtendedAddress(ExtendedPriority(id), addrType, ExtendedReceiver(id), ExtendedSender(id))
	}
	return (id & MaskStandard) ^ StandardResponseOffset
}

// FilterFromDestination derives the filter a channel installs to receive
// responses to requests sent to destination. Functional destinations accept
// responses from every ECU.
func FilterFromDestination(destination uint32) Filter {
	if !IsFunctional(destination) {
		return ExactFilter(ReturnAddress(destination))
	}
	if IsExtended(destination) {
		id := ComposeExtendedAddress(ExtendedPriority(destination), TypePhysical, 0, ExtendedSender(destination))
		return Filter{ID: id, Mask: FlagExtended | FlagRemote | (MaskExtended &^ 0xFF)}
	}
	return Filter{ID: StandardResponseBase, Mask: (MaskStandard &^ 0x7) | FlagExtended | FlagRemote}
}
