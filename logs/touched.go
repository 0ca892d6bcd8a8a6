package logs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TouchedTokens scans a block's logs and returns the tokens whose wallet or
// BentoBox balance for account may have changed, and the master contracts
// whose approval by account was set. Both slices are deduplicated and keep
// first-seen order.
//
// Token transfers identify the token by the emitting contract. BentoBox events
// carry the token as their first indexed topic and are only trusted when
// emitted by bentoBox.
func TouchedTokens(logs []types.Log, account, bentoBox common.Address) (tokens, masterContracts []common.Address) {
	accountTopic := AddressTopic(account)
	seenTokens := make(map[common.Address]struct{})
	seenMasters := make(map[common.Address]struct{})

	addToken := func(token common.Address) {
		if _, ok := seenTokens[token]; ok {
			return
		}
		seenTokens[token] = struct{}{}
		tokens = append(tokens, token)
	}

	for _, log := range logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case ERC20TransferEvent:
			// Transfer(address indexed from, address indexed to, uint256 value).
			// ERC-721 transfers share the topic but carry a third indexed topic.
			if len(log.Topics) != 3 {
				continue
			}
			if log.Topics[1] == accountTopic || log.Topics[2] == accountTopic {
				addToken(log.Address)
			}
		case BentoLogDepositEvent, BentoLogWithdrawEvent, BentoLogTransferEvent:
			// token, from and to are all indexed.
			if log.Address != bentoBox || len(log.Topics) != 4 {
				continue
			}
			if log.Topics[2] == accountTopic || log.Topics[3] == accountTopic {
				addToken(common.BytesToAddress(log.Topics[1].Bytes()))
			}
		case BentoLogSetMasterContractApprovalEvent:
			if log.Address != bentoBox || len(log.Topics) != 3 || log.Topics[2] != accountTopic {
				continue
			}
			master := common.BytesToAddress(log.Topics[1].Bytes())
			if _, ok := seenMasters[master]; !ok {
				seenMasters[master] = struct{}{}
				masterContracts = append(masterContracts, master)
			}
		}
	}

	return tokens, masterContracts
}

// NewDiscoverTokens adapts TouchedTokens to the system's discovery hook.
func NewDiscoverTokens(account, bentoBox common.Address) func([]types.Log) ([]common.Address, []common.Address, error) {
	return func(logs []types.Log) ([]common.Address, []common.Address, error) {
		tokens, masterContracts := TouchedTokens(logs, account, bentoBox)
		return tokens, masterContracts, nil
	}
}
