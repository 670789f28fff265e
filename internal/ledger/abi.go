package ledger

// escrowABI is the AidEscrow contract interface the orchestrator drives.
// Reads are one per entity; writes are one per status transition, gated
// on-chain to the oracle address.
const escrowABI = `[
  {"type":"function","name":"getRequest","stateMutability":"view","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[{"name":"requester","type":"address"},{"name":"aidClass","type":"uint8"},{"name":"urgency","type":"uint8"},{"name":"lat","type":"int64"},{"name":"lng","type":"int64"},{"name":"detailsDigest","type":"bytes32"},{"name":"status","type":"uint8"},{"name":"createdAt","type":"uint256"}]},
  {"type":"function","name":"getUserRequests","stateMutability":"view","inputs":[{"name":"requester","type":"address"}],"outputs":[{"name":"requestIds","type":"uint256[]"}]},
  {"type":"function","name":"getRequestCount","stateMutability":"view","inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"isIdentityVerified","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"verified","type":"bool"}]},
  {"type":"function","name":"getPoolStats","stateMutability":"view","inputs":[],"outputs":[{"name":"deposited","type":"uint256"},{"name":"escrowed","type":"uint256"},{"name":"paidOut","type":"uint256"},{"name":"available","type":"uint256"}]},
  {"type":"function","name":"getApprovedFulfiller","stateMutability":"view","inputs":[{"name":"fulfillerClass","type":"uint8"}],"outputs":[{"name":"fulfiller","type":"address"}]},

  {"type":"function","name":"submitVerification","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"gnssDigest","type":"bytes32"},{"name":"eventDigest","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"submitConsensus","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"approved","type":"bool"},{"name":"aidClass","type":"uint8"},{"name":"fulfillerClass","type":"uint8"},{"name":"estimatedCost","type":"uint256"},{"name":"nodeCount","type":"uint8"},{"name":"approvalCount","type":"uint8"},{"name":"transcriptDigest","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"assignFulfiller","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"fulfiller","type":"address"},{"name":"escrowAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"verifyDelivery","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"verified","type":"bool"},{"name":"verificationDigest","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"releasePayout","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"timeoutRequest","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},

  {"type":"event","name":"AidRequested","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"requester","type":"address","indexed":true},{"name":"aidClass","type":"uint8","indexed":false},{"name":"urgency","type":"uint8","indexed":false},{"name":"lat","type":"int64","indexed":false},{"name":"lng","type":"int64","indexed":false}]},
  {"type":"event","name":"PayoutReleased","inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"fulfiller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RequestTimedOut","inputs":[{"name":"requestId","type":"uint256","indexed":true}]},
  {"type":"event","name":"DeliveryFailed","inputs":[{"name":"requestId","type":"uint256","indexed":true}]}
]`
