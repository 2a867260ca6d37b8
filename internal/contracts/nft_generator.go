// Package contracts holds the ABIs of the on-chain contracts the service talks to.
package contracts

// NFTGeneratorABI covers the subset of the NFTGenerator contract used for minting.
// mintWithMetadata reverts unless the sender holds MINTER_ROLE.
const NFTGeneratorABI = `[
  {
    "type": "function",
    "name": "mintWithMetadata",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "compressedMetadata", "type": "bytes"},
      {"name": "proof", "type": "bytes"}
    ],
    "outputs": [{"name": "tokenId", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "hasRole",
    "stateMutability": "view",
    "inputs": [
      {"name": "role", "type": "bytes32"},
      {"name": "account", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "MINTER_ROLE",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "bytes32"}]
  },
  {
    "type": "event",
    "name": "Transfer",
    "anonymous": false,
    "inputs": [
      {"name": "from", "type": "address", "indexed": true},
      {"name": "to", "type": "address", "indexed": true},
      {"name": "tokenId", "type": "uint256", "indexed": true}
    ]
  }
]`

// Method names on NFTGenerator.
const (
	MethodMintWithMetadata = "mintWithMetadata"
	MethodHasRole          = "hasRole"
	MethodMinterRole       = "MINTER_ROLE"
)
