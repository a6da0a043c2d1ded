package params

// Service node quorum and checkpointing rules.
const (
	PulseQuorumNumValidators     = 11
	PulseBlockRequiredSignatures = 7
	PulseBaseWeight              = uint64(144403552893600)
	PulseMinWeightIncrement      = uint64(1)

	CheckpointInterval                       = 4
	CheckpointStorePersistentlyInterval      = 60
	CheckpointNumCheckpointsForChainFinality = 2
	CheckpointQuorumSize                     = 20
	CheckpointMinVotes                       = 13

	ReorgSafetyBufferBlocksPostHF12 = CheckpointInterval*CheckpointNumCheckpointsForChainFinality + (CheckpointInterval - 1)
	ReorgSafetyBufferBlocksPreHF12  = 20

	StateChangeQuorumSize         = 10
	StateChangeMinVotesToChange   = 7
	VoteLifetime                  = 120
	StateChangeTxLifetimeInBlocks = VoteLifetime
	VoteOrTxVerifyHeightBuffer    = 5

	KeyImageAwaitingUnlockHeight = 0
)

// ReorgSafetyBuffer is the number of blocks of service node state kept to
// survive a reorg at version.
func ReorgSafetyBuffer(version HF) uint64 {
	if version >= HF12Checkpointing {
		return ReorgSafetyBufferBlocksPostHF12
	}
	return ReorgSafetyBufferBlocksPreHF12
}

// Blink quorum rules.
const (
	BlinkQuorumInterval = 5
	BlinkQuorumLag      = 7 * BlinkQuorumInterval
	BlinkSubquorumSize  = 10
	BlinkMinVotes       = 7
)

// StakingNumLockBlocks is how long a stake stays locked after its unlock
// is requested, doubled: the unlock takes effect half way.
func StakingNumLockBlocks(net NetType) uint64 {
	switch net {
	case Fakechain:
		return 30
	case Testnet:
		return 2 * BlocksPerDay
	default:
		return 30 * BlocksPerDay
	}
}
