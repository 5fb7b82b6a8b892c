package server

// Type tags the server software family. The tag selects per-type behavior
// (console stop command, proxy handling) without a class hierarchy.
type Type string

const (
	TypeUnknown       Type = "unknown"
	TypeCustom        Type = "custom"
	TypeVanilla       Type = "vanilla"
	TypeSpongeVanilla Type = "sponge_vanilla"
	TypeSpigot        Type = "spigot"
	TypePaper         Type = "paper"
	TypePurpur        Type = "purpur"
	TypeFolia         Type = "folia"
	TypeForge         Type = "forge"
	TypeNeoForge      Type = "neo_forge"
	TypeMohist        Type = "mohist"
	TypeYouer         Type = "youer"
	TypeFabric        Type = "fabric"
	TypeQuilt         Type = "quilt"
	TypeBanner        Type = "banner"
	TypeBungeecord    Type = "bungeecord"
	TypeWaterfall     Type = "waterfall"
	TypeVelocity      Type = "velocity"
)

type typeSpec struct {
	stopCommand string // empty means no type-specific command
	proxy       bool
	modded      bool
}

var typeSpecs = map[Type]typeSpec{
	TypeUnknown:       {},
	TypeCustom:        {},
	TypeVanilla:       {stopCommand: "stop"},
	TypeSpongeVanilla: {stopCommand: "stop"},
	TypeSpigot:        {stopCommand: "stop"},
	TypePaper:         {stopCommand: "stop"},
	TypePurpur:        {stopCommand: "stop"},
	TypeFolia:         {stopCommand: "stop"},
	TypeForge:         {stopCommand: "stop", modded: true},
	TypeNeoForge:      {stopCommand: "stop", modded: true},
	TypeMohist:        {stopCommand: "stop", modded: true},
	TypeYouer:         {stopCommand: "stop", modded: true},
	TypeFabric:        {stopCommand: "stop", modded: true},
	TypeQuilt:         {stopCommand: "stop", modded: true},
	TypeBanner:        {stopCommand: "stop", modded: true},
	TypeBungeecord:    {stopCommand: "end", proxy: true},
	TypeWaterfall:     {stopCommand: "end", proxy: true},
	TypeVelocity:      {stopCommand: "end", proxy: true},
}

// Normalize maps arbitrary input to a known Type, falling back to unknown.
func Normalize(s string) Type {
	t := Type(s)
	if _, ok := typeSpecs[t]; ok {
		return t
	}
	return TypeUnknown
}

// StopCommand returns the type's console shutdown command, or "" when the
// type declares none (unknown/custom).
func (t Type) StopCommand() string { return typeSpecs[t].stopCommand }

// IsProxy reports whether the type is a proxy frontend (no world to save).
func (t Type) IsProxy() bool { return typeSpecs[t].proxy }

// IsModded reports whether the type runs a mod loader.
func (t Type) IsModded() bool { return typeSpecs[t].modded }

func (t Type) String() string { return string(t) }
