package logs

import "github.com/Iwinswap/iwinswap-bentobox-system/abi"

var (
	ERC20TransferEvent                     = abi.ERC20ABI.Events["Transfer"].ID
	BentoLogDepositEvent                   = abi.BentoBoxABI.Events["LogDeposit"].ID
	BentoLogWithdrawEvent                  = abi.BentoBoxABI.Events["LogWithdraw"].ID
	BentoLogTransferEvent                  = abi.BentoBoxABI.Events["LogTransfer"].ID
	BentoLogSetMasterContractApprovalEvent = abi.BentoBoxABI.Events["LogSetMasterContractApproval"].ID
)
