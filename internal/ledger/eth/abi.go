package eth

// contractABI is the JSON ABI of the NTUber ride contract.
const contractABI = `[
 {"type":"function","name":"requestRide","stateMutability":"payable","inputs":[{"name":"_pickup","type":"string"},{"name":"_dropoff","type":"string"}],"outputs":[]},
 {"type":"function","name":"acceptRide","stateMutability":"nonpayable","inputs":[{"name":"_rideId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"startRide","stateMutability":"nonpayable","inputs":[{"name":"_rideId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"completeRide","stateMutability":"nonpayable","inputs":[{"name":"_rideId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancelRide","stateMutability":"nonpayable","inputs":[{"name":"_rideId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"rateDriver","stateMutability":"nonpayable","inputs":[{"name":"_rideId","type":"uint256"},{"name":"_rating","type":"uint8"}],"outputs":[]},
 {"type":"function","name":"rideCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getRideDetails","stateMutability":"view","inputs":[{"name":"_rideId","type":"uint256"}],"outputs":[
  {"name":"","type":"tuple","internalType":"struct NTUber.Ride","components":[
   {"name":"id","type":"uint256"},
   {"name":"passenger","type":"address"},
   {"name":"driver","type":"address"},
   {"name":"pickupLocation","type":"string"},
   {"name":"dropoffLocation","type":"string"},
   {"name":"amount","type":"uint256"},
   {"name":"timestamp","type":"uint256"},
   {"name":"status","type":"uint8"},
   {"name":"isRated","type":"bool"},
   {"name":"rating","type":"uint8"}
  ]}
 ]},
 {"type":"event","name":"RideRequested","anonymous":false,"inputs":[{"name":"rideId","type":"uint256","indexed":true},{"name":"passenger","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"pickup","type":"string","indexed":false}]},
 {"type":"event","name":"RideAccepted","anonymous":false,"inputs":[{"name":"rideId","type":"uint256","indexed":true},{"name":"driver","type":"address","indexed":true}]},
 {"type":"event","name":"RideStarted","anonymous":false,"inputs":[{"name":"rideId","type":"uint256","indexed":true}]},
 {"type":"event","name":"RideCompleted","anonymous":false,"inputs":[{"name":"rideId","type":"uint256","indexed":true},{"name":"driver","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"RideCancelled","anonymous":false,"inputs":[{"name":"rideId","type":"uint256","indexed":true},{"name":"triggerBy","type":"address","indexed":true}]},
 {"type":"event","name":"DriverRated","anonymous":false,"inputs":[{"name":"driver","type":"address","indexed":true},{"name":"rating","type":"uint8","indexed":false}]}
]`
