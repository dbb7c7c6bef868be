package esplora

import (
	"github.com/rawblock/tracecost-engine/pkg/models"
)

// noRBFSentinel: a non-coinbase input whose sequence is below this value
// signals replace-by-fee per BIP125. Opt-in and full-RBF policies are not
// distinguished — both report as signaled.
const noRBFSentinel uint32 = 0xFFFFFFFE

// ParseTx converts an Esplora transaction record (plus optional outspend
// data) into a resolved graph node at the given BFS depth. Outspends are
// merged positionally: outspends[i] describes vout[i].
func ParseTx(tx *TxRecord, depth int, outspends []Outspend) *models.GraphNode {
	inputs := make([]models.TxInput, 0, len(tx.Vin))
	isCoinbase := false
	rbfSignaled := false
	for _, vin := range tx.Vin {
		if vin.IsCoinbase {
			isCoinbase = true
		} else if vin.Sequence < noRBFSentinel {
			rbfSignaled = true
		}

		in := models.TxInput{
			PrevTxid: vin.Txid,
			PrevVout: vin.Vout,
		}
		if vin.Prevout != nil {
			in.Address = vin.Prevout.ScriptPubKeyAddress
			in.ValueSat = vin.Prevout.Value
			in.ScriptType = models.ScriptTypeFromEsplora(vin.Prevout.ScriptPubKeyType)
		} else {
			in.ScriptType = models.ScriptUnknown
		}
		inputs = append(inputs, in)
	}

	outputs := make([]models.TxOutput, 0, len(tx.Vout))
	for i, vout := range tx.Vout {
		out := models.TxOutput{
			Address:    vout.ScriptPubKeyAddress,
			ValueSat:   vout.Value,
			ScriptType: models.ScriptTypeFromEsplora(vout.ScriptPubKeyType),
		}
		if i < len(outspends) && outspends[i].Spent {
			out.Spent = true
			out.SpendingTxid = outspends[i].Txid
		}
		outputs = append(outputs, out)
	}

	return &models.GraphNode{
		Txid:               tx.Txid,
		Inputs:             inputs,
		Outputs:            outputs,
		FeeSat:             tx.Fee,
		SizeBytes:          tx.Size,
		Weight:             tx.Weight,
		Timestamp:          tx.Status.BlockTime,
		BlockHeight:        tx.Status.BlockHeight,
		Depth:              depth,
		IsCoinbase:         isCoinbase,
		RBFSignaled:        rbfSignaled,
		Resolved:           true,
		AttributedEntities: make(map[string]string),
	}
}
