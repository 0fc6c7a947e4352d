package checker

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	xerrors "ChainKeeper/internal/errors"
)

// EncodeCall 按照 JSON ABI 片段打包方法调用数据（即 execPayload）。
func EncodeCall(abiJSON, method string, args ...any) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(CodePayloadEncoding, err, "解析 ABI 失败")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(CodePayloadEncoding, err, fmt.Sprintf("打包方法 %s 失败", method))
	}
	return data, nil
}

// CallPayload 返回一个打包固定参数调用的 PayloadFunc。
// ABI 在构造时解析一次，求值时只做打包。
func CallPayload(abiJSON, method string, args ...any) PayloadFunc {
	parsed, parseErr := abi.JSON(strings.NewReader(abiJSON))
	return func(ChainState) ([]byte, error) {
		if parseErr != nil {
			return nil, xerrors.Wrap(CodePayloadEncoding, parseErr, "解析 ABI 失败")
		}
		data, err := parsed.Pack(method, args...)
		if err != nil {
			return nil, xerrors.Wrap(CodePayloadEncoding, err, fmt.Sprintf("打包方法 %s 失败", method))
		}
		return data, nil
	}
}

// SubTargetPayload 返回一个以指定子目标地址为唯一参数的 PayloadFunc，
// 用于"轮询一组子目标、对第一个到期者执行"的场景。
func SubTargetPayload(abiJSON, method string, index int) PayloadFunc {
	parsed, parseErr := abi.JSON(strings.NewReader(abiJSON))
	return func(state ChainState) ([]byte, error) {
		if parseErr != nil {
			return nil, xerrors.Wrap(CodePayloadEncoding, parseErr, "解析 ABI 失败")
		}
		if index < 0 || index >= len(state.SubTargets) {
			return nil, xerrors.New(CodeStateIncomplete,
				fmt.Sprintf("快照缺少第 %d 个子目标", index))
		}
		data, err := parsed.Pack(method, state.SubTargets[index].Address)
		if err != nil {
			return nil, xerrors.Wrap(CodePayloadEncoding, err, fmt.Sprintf("打包方法 %s 失败", method))
		}
		return data, nil
	}
}
