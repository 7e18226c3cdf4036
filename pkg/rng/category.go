package rng

import "fmt"

// Category identifies the gameplay call site a draw belongs to. Each category
// has its own generator state so that adding a draw in one block of game code
// does not shift the sequence seen by another.
//
// The numeric value takes part in the generator arithmetic, so the order of
// this list is part of the demo format and must never change. New categories
// go before NumCategories.
type Category uint8

const (
	SkullFly Category = iota
	Damage
	Crush
	GenLift
	KillTics
	DamageMobj
	PainChance
	Lights
	Explode
	Respawn
	LastLook
	SpawnThing
	SpawnPuff
	SpawnBlood
	Missile
	Shadow
	Plats
	Punch
	PunchAngle
	Saw
	Plasma
	Gunshot
	Misfire
	Shotgun
	BFG
	SlimeHurt
	DMSpawn
	MissRange
	TryWalk
	NewChase
	NewChaseDir
	See
	FaceTarget
	PosAttack
	SPosAttack
	CPosAttack
	SpidRefire
	TroopAttack
	SargAttack
	HeadAttack
	BruisAttack
	Tracer
	SkelFist
	Scream
	BrainScream
	CPosRefire
	BrainExp
	SpawnFly
	Misc // UI-adjacent randomness; advances indexA instead of indexB
	AllInOne
	OpenDoor
	TargetSearch
	Friends
	Threshold
	SkipTarget
	EnemyStrafe
	AvoidCrush
	StayOnLift
	HelpFriend
	DropOff
	RandomJump
	Defect

	NumCategories
)

var categoryNames = [NumCategories]string{
	"skullfly", "damage", "crush", "genlift", "killtics", "damagemobj",
	"painchance", "lights", "explode", "respawn", "lastlook", "spawnthing",
	"spawnpuff", "spawnblood", "missile", "shadow", "plats", "punch",
	"punchangle", "saw", "plasma", "gunshot", "misfire", "shotgun", "bfg",
	"slimehurt", "dmspawn", "missrange", "trywalk", "newchase", "newchasedir",
	"see", "facetarget", "posattack", "sposattack", "cposattack", "spidrefire",
	"troopattack", "sargattack", "headattack", "bruisattack", "tracer",
	"skelfist", "scream", "brainscream", "cposrefire", "brainexp", "spawnfly",
	"misc", "allinone", "opendoor", "targetsearch", "friends", "threshold",
	"skiptarget", "enemystrafe", "avoidcrush", "stayonlift", "helpfriend",
	"dropoff", "randomjump", "defect",
}

func (c Category) String() string {
	if c < NumCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// ParseCategory maps a category name back to its value.
func ParseCategory(name string) (Category, bool) {
	for i, n := range categoryNames {
		if n == name {
			return Category(i), true
		}
	}
	return 0, false
}
