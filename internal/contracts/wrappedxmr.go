package contracts

// WrappedXMRABI is the subset of the wrapped-asset token contract the bridge
// submits to. The mint entrypoint records the proof alongside the mint and
// reverts with "proof already processed" on a duplicate tx id.
const WrappedXMRABI = `[
  {
    "type": "function",
    "name": "mint",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "recipient", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "proofTxId", "type": "string"},
      {"name": "proofTxKey", "type": "string"},
      {"name": "proofAddress", "type": "string"}
    ],
    "outputs": []
  }
]`
