package logs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AddressTopic is the form an address takes as an indexed event topic.
func AddressTopic(account common.Address) common.Hash {
	return common.BytesToHash(account.Bytes())
}

// NewAccountBloomTest returns a bloom test that passes when a block may hold
// a log naming account as an indexed topic: a token transfer from or to it, a
// BentoBox deposit, withdrawal or transfer involving it, or an approval it set.
func NewAccountBloomTest(account common.Address) func(types.Bloom) bool {
	topic := AddressTopic(account).Bytes()
	return func(bloom types.Bloom) bool {
		return bloom.Test(topic)
	}
}

// NewPoolBloomTest returns a bloom test that passes when a block may hold a
// bentoBox event indexing one of tokens. Pool totals move on strategy
// profit or loss, flash loans and other users' deposits, none of which name
// the account, so a share balance's worth can change in such a block.
func NewPoolBloomTest(bentoBox common.Address) func(types.Bloom, []common.Address) bool {
	emitter := bentoBox.Bytes()
	return func(bloom types.Bloom, tokens []common.Address) bool {
		if !bloom.Test(emitter) {
			return false
		}
		for _, token := range tokens {
			if bloom.Test(AddressTopic(token).Bytes()) {
				return true
			}
		}
		return false
	}
}

// FilterTopics returns the topic filter matching every event TouchedTokens inspects.
func FilterTopics() [][]common.Hash {
	return [][]common.Hash{{
		ERC20TransferEvent,
		BentoLogDepositEvent,
		BentoLogWithdrawEvent,
		BentoLogTransferEvent,
		BentoLogSetMasterContractApprovalEvent,
	}}
}
