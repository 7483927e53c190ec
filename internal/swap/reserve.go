package swap

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Reserve 为借贷市场储备快照，由外部数据提供方刷新，核心只读。
// 金额均为最小单位，上限为零表示不设上限。
type Reserve struct {
	Underlying         common.Address `json:"underlying"`
	AToken             common.Address `json:"aToken"`
	VariableDebtToken  common.Address `json:"variableDebtToken"`
	Symbol             string         `json:"symbol"`
	Decimals           uint8          `json:"decimals"`
	LTVBps             uint32         `json:"ltvBps"`
	FlashLoanEnabled   bool           `json:"flashLoanEnabled"`
	BorrowingEnabled   bool           `json:"borrowingEnabled"`
	SupplyCap          *uint256.Int   `json:"supplyCap"`
	TotalSupplied      *uint256.Int   `json:"totalSupplied"`
	BorrowCap          *uint256.Int   `json:"borrowCap"`
	TotalBorrowed      *uint256.Int   `json:"totalBorrowed"`
	AvailableLiquidity *uint256.Int   `json:"availableLiquidity"`
	UserSupplied       *uint256.Int   `json:"userSupplied"`
	UserBorrowed       *uint256.Int   `json:"userBorrowed"`
	UsedAsCollateral   bool           `json:"usedAsCollateral"`
}

// ZeroLTV 表示抵押率为零的资产。
func (r Reserve) ZeroLTV() bool {
	return r.LTVBps == 0
}
